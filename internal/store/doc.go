// Package store provides persistent storage for conversations and messages using SQLite.
//
// # Data Models
//
//   - Conversation: a thread between exactly two participants, unique per pair,
//     carrying derived state (last message id, revision, last activity, unread counters)
//   - Message: an immutable log entry whose ID is contiguous per conversation
//   - DeliveryStatus: per-recipient receipt that only moves forward (sent, delivered, read)
//
// # Transactions
//
// AppendMessage writes the message, its receipts and the derived conversation
// state in one IMMEDIATE transaction, so a reader never sees a message without
// the matching unread counter or the reverse. Reads are single statements and
// therefore see one consistent snapshot.
//
// # SQLite Configuration
//
// Pragmas are applied through the DSN so every pooled connection gets them:
//
//	_pragma=foreign_keys(1)
//	_pragma=busy_timeout(5000)
//	_pragma=journal_mode(WAL)   (file databases only)
//	_txlock=immediate
//
// # Errors
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateConversation: the participant pair already has a conversation
//   - ErrNotParticipant: the named participant is not a member
//   - ErrConflict: a message id was taken concurrently
//
// # Testing
//
// Use NewMockStore() for unit tests. Use NewSQLiteStore(":memory:") or a
// t.TempDir() path for integration tests with real SQLite.
package store
