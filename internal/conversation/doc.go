// Package conversation persists conversations and their messages in
// PostgreSQL. It is the only place turn state survives across requests.
//
// The store is written to exclusively by the chat orchestrator; agents never
// touch it. Assistant messages are created as incomplete placeholders before
// streaming starts and completed with a single row update once the turn
// settles, so history reads (which filter on is_complete) never observe a
// message that is still being produced.
package conversation
