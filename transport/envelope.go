package transport

import "github.com/fenderle/qsrmail/mailmsg"

// envelope holds the resolved SMTP-level sender and recipient list for
// one queued message, computed once when the message is enqueued
// (spec.md §4.4.5); later changes to the message do not affect it.
type envelope struct {
	sender     string
	recipients []string
}

// buildEnvelope derives the envelope from msg. Recipients are the
// deduplicated union of To, Cc and Bcc, keyed on their packed wire form
// and preserving first-seen order across the three lists.
func buildEnvelope(msg *mailmsg.Message) envelope {
	sender := msg.EnvelopeSender()

	seen := make(map[string]bool)
	var recipients []string
	for _, a := range msg.EnvelopeRecipients() {
		packed := a.Pack()
		if packed == "" || seen[packed] {
			continue
		}
		seen[packed] = true
		recipients = append(recipients, packed)
	}

	return envelope{sender: sender.Pack(), recipients: recipients}
}
