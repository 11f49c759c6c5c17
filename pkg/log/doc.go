/*
Package log provides structured logging for the ledger daemon and its
client libraries using zerolog.

Call Init once at process startup with the desired Level and output format,
then derive component-scoped child loggers with WithComponent,
WithOperationID, WithParticipantID, or WithCallID as context becomes
available. All loggers share the same global level and writer.
*/
package log
