/*
Package ha implements master/slave replication for the append-only commit log.

A master accepts slave connections on the HA port and pushes newly committed
log bytes to each of them as framed batches. A slave keeps one connection to
its master, reports its local log end offset, appends the pushed batches, and
re-reports progress. The furthest offset acknowledged by any slave is tracked
as a watermark; producers that need a record replicated before acknowledging
their own callers park on the group transfer service until the watermark
passes their offset or the flush timeout elapses.
*/
package ha
