package mail

import (
	"crypto/tls"
	"fmt"
	stdmail "net/mail"
	"net/url"

	"github.com/dajohi/goemail"
)

// Mailer sends the account and election notifications. A disabled mailer
// accepts every call and sends nothing, so callers never branch on whether
// mail is configured.
type Mailer struct {
	smtp        *goemail.SMTP
	mailName    string
	mailAddress string
	disabled    bool
}

// Disabled returns a mailer that drops everything.
func Disabled() *Mailer {
	return &Mailer{disabled: true}
}

// New connects to an SMTP server over smtps. Empty credentials produce a
// disabled mailer rather than an error so deployments without mail still run.
func New(host, user, password, fromAddress string, skipVerify bool) (*Mailer, error) {
	if host == "" || user == "" || password == "" {
		return Disabled(), nil
	}

	u, err := url.Parse(fmt.Sprintf("smtps://%s:%s@%s", user, password, host))
	if err != nil {
		return nil, fmt.Errorf("parse mail host: %w", err)
	}
	from, err := stdmail.ParseAddress(fromAddress)
	if err != nil {
		return nil, fmt.Errorf("parse mail address: %w", err)
	}

	smtp, err := goemail.NewSMTP(u.String(), &tls.Config{
		InsecureSkipVerify: skipVerify,
	})
	if err != nil {
		return nil, fmt.Errorf("connect smtp: %w", err)
	}

	return &Mailer{
		smtp:        smtp,
		mailName:    from.Name,
		mailAddress: from.Address,
	}, nil
}

// Enabled reports whether the mailer actually delivers.
func (m *Mailer) Enabled() bool {
	return !m.disabled
}

func (m *Mailer) send(subject, body string, recipients []string) error {
	if m.disabled || len(recipients) == 0 {
		return nil
	}
	msg := goemail.NewMessage(m.mailAddress, subject, body)
	msg.SetName(m.mailName)
	for _, r := range recipients {
		msg.AddBCC(r)
	}
	return m.smtp.Send(msg)
}

// SendTempPassword delivers a one-time credential. The credential is only
// ever sent here; it is stored hashed.
func (m *Mailer) SendTempPassword(recipient, tempPassword string) error {
	body := fmt.Sprintf(tempPasswordBody, tempPassword)
	return m.send(tempPasswordSubject, body, []string{recipient})
}

// SendInvitations notifies the eligible voters that an election opened.
func (m *Mailer) SendInvitations(recipients []string, electionName string) error {
	body := fmt.Sprintf(invitationBody, electionName)
	return m.send(invitationSubject, body, recipients)
}

// SendVoteConfirmation acknowledges a recorded ballot. The ballot content is
// never included.
func (m *Mailer) SendVoteConfirmation(recipient, electionName string) error {
	body := fmt.Sprintf(voteConfirmationBody, electionName)
	return m.send(voteConfirmationSubject, body, []string{recipient})
}

const tempPasswordSubject = "Your temporary password"
const tempPasswordBody = `A temporary password was issued for your account:

    %s

Log in with it to set a new password. It stops working after first use.
`

const invitationSubject = "An election is open for voting"
const invitationBody = `The election "%s" is now open and you are eligible to vote.

Log in to cast your ballot before the election closes.
`

const voteConfirmationSubject = "Your vote was recorded"
const voteConfirmationBody = `Your ballot for the election "%s" was received and recorded.

Each voter may cast exactly one ballot per election.
`
