package mail

import (
	"fmt"
	"strings"
)

// InviteMessage builds the email sent when a user is invited to an organization.
func InviteMessage(to, orgName, inviteURL string) Message {
	body := strings.Join([]string{
		fmt.Sprintf("You have been invited to join %s on Corval.", orgName),
		"",
		"Open the link below to set up your account:",
		inviteURL,
		"",
		"If you were not expecting this invitation you can ignore this email.",
	}, "\r\n")

	return Message{
		To:      []string{to},
		Subject: fmt.Sprintf("Invitation to join %s", orgName),
		Body:    body,
	}
}

// VerificationMessage asks a freshly created account to confirm its address.
func VerificationMessage(to, verifyURL string) Message {
	body := strings.Join([]string{
		"Welcome to Corval.",
		"",
		"Please confirm your email address by visiting the link below:",
		verifyURL,
		"",
		"If you did not create an account, you can ignore this message.",
	}, "\r\n")

	return Message{
		To:      []string{to},
		Subject: "Confirm your Corval account",
		Body:    body,
	}
}

// NotificationMessage mirrors an in-app notification to email.
func NotificationMessage(to, title, body string) Message {
	text := strings.Join([]string{
		body,
		"",
		"You received this because email delivery is enabled for your account.",
	}, "\r\n")

	return Message{
		To:      []string{to},
		Subject: title,
		Body:    text,
	}
}

// InvoiceIssuedMessage notifies a customer contact that an invoice was issued.
func InvoiceIssuedMessage(to, orgName, number string, totalCents int64, currency string) Message {
	body := strings.Join([]string{
		fmt.Sprintf("%s issued invoice %s.", orgName, number),
		"",
		fmt.Sprintf("Amount due: %s %s", currency, FormatCents(totalCents)),
		"",
		"Please refer to your account for payment details.",
	}, "\r\n")

	return Message{
		To:      []string{to},
		Subject: fmt.Sprintf("Invoice %s from %s", number, orgName),
		Body:    body,
	}
}

// LockoutMessage warns a user that their account was locked after repeated failures.
func LockoutMessage(to, username string, minutes int) Message {
	body := strings.Join([]string{
		fmt.Sprintf("The account %q was locked after repeated failed sign-in attempts.", username),
		"",
		fmt.Sprintf("It will unlock automatically in %d minutes.", minutes),
		"If this was not you, contact your administrator.",
	}, "\r\n")

	return Message{
		To:      []string{to},
		Subject: "Account temporarily locked",
		Body:    body,
	}
}

// FormatCents renders an integer cent amount as a decimal string.
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
