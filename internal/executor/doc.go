// Package executor runs a notebook against a SoS kernel, one cell at a time.
//
// For each code cell it prepares the SoS routing metadata, sends an
// execute_request on the shell channel, waits for the matching reply and then
// drains the iopub channel until the kernel reports idle for that request,
// turning the broadcast messages into notebook outputs. Messages answering
// any other request are discarded before they are looked at.
package executor
