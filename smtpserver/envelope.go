package smtpserver

// Envelope is the per-transaction tuple assembled by HELO, MAIL, RCPT and
// DATA. It is distinct from any headers inside the message body. Once a
// transaction completes the envelope is handed to the mail sink and a fresh
// one replaces it for subsequent transactions on the same connection.
type Envelope struct {
	// Helo is the argument of the last HELO or EHLO command. Its absence
	// gates MAIL.
	Helo string

	// From is the sender mailbox. Unset until MAIL succeeds.
	From string

	// To holds recipient mailboxes in the order received, duplicates
	// included. Empty until at least one RCPT succeeds.
	To []string

	// Data is the message body with dot-unstuffing applied and the
	// terminating dot-line removed. Only populated once DATA terminates.
	Data []byte
}

// reset empties the transaction state while preserving the HELO identity,
// as RSET, HELO and EHLO require.
func (e *Envelope) reset() {
	e.From = ""
	e.To = nil
	e.Data = nil
}
