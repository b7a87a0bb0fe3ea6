// Package mail is the outbound mail port. The SMTP client is the production
// implementation; a nil Sender is valid everywhere and means "log and skip".
package mail

import "fmt"

// Sender delivers a plain-text message to a single recipient.
type Sender interface {
	Send(to, subject, body string) error
}

// OTPMessage composes the subject and body for a one-time code delivery.
func OTPMessage(serverName, code string, minutes int) (subject, body string) {
	subject = fmt.Sprintf("Your %s sign-in code", serverName)
	body = fmt.Sprintf(
		"Your one-time code for %s is:\n\n    %s\n\nIt expires in %d minutes. If you did not request this code, you can ignore this message.\n",
		serverName, code, minutes,
	)
	return subject, body
}

// MagicLinkMessage composes the subject and body for a magic-link delivery.
func MagicLinkMessage(serverName, link string) (subject, body string) {
	subject = fmt.Sprintf("Sign in to %s", serverName)
	body = fmt.Sprintf(
		"Use this link to sign in to %s:\n\n    %s\n\nThe link works once and expires in 5 minutes.\n",
		serverName, link,
	)
	return subject, body
}

// InviteMessage composes the subject and body for an invitation delivery.
func InviteMessage(serverName, inviteURL string) (subject, body string) {
	subject = fmt.Sprintf("You have been invited to %s", serverName)
	body = fmt.Sprintf(
		"You have been invited to join %s.\n\nAccept the invitation here:\n\n    %s\n\nThe invitation is bound to this address and expires.\n",
		serverName, inviteURL,
	)
	return subject, body
}
