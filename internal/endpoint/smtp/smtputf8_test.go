/*
Tern Mail Server - Multi-protocol mail server with a shared message store.
Copyright © 2023-2025 Tern Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package smtp

import (
	"strings"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/ternmail/tern/framework/config"
	"github.com/ternmail/tern/framework/exterrors"
	"github.com/ternmail/tern/internal/testutils"
)

func TestSMTPUTF8_MangleStatusMessage(t *testing.T) {
	tgt := testutils.Target{
		StartErr: &exterrors.SMTPError{
			Code:    523,
			Message: "Hey 凱凱",
		},
	}
	endp := testEndpoint(t, "smtp", &tgt, nil, nil)
	endp.deferServerReject = false
	defer endp.Close()
	defer testutils.WaitForConnsClose(t, endp.serv)

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	err = cl.Mail("sender@example.org", nil)
	if err == nil {
		t.Fatal("Expected an error, got none")
	}
	smtpErr, ok := err.(*smtp.SMTPError)
	if !ok {
		t.Fatal("Non-SMTPError returned")
	}

	if smtpErr.Code != 523 {
		t.Fatal("Wrong SMTP code:", smtpErr.Code)
	}
	if !strings.HasPrefix(smtpErr.Message, "Hey ??") {
		t.Fatal("Wrong SMTP message:", smtpErr.Message)
	}
}

func TestSMTPUTF8_NoMangleStatusMessage(t *testing.T) {
	tgt := testutils.Target{
		StartErr: &exterrors.SMTPError{
			Code:    523,
			Message: "Hey 凱凱",
		},
	}
	endp := testEndpoint(t, "smtp", &tgt, nil, nil)
	endp.deferServerReject = false
	defer endp.Close()
	defer testutils.WaitForConnsClose(t, endp.serv)

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	err = cl.Mail("sender@example.org", &smtp.MailOptions{
		UTF8: true,
	})
	if err == nil {
		t.Fatal("Expected an error, got none")
	}
	smtpErr, ok := err.(*smtp.SMTPError)
	if !ok {
		t.Fatal("Non-SMTPError returned")
	}

	if smtpErr.Code != 523 {
		t.Fatal("Wrong SMTP code:", smtpErr.Code)
	}
	if !strings.HasPrefix(smtpErr.Message, "Hey 凱凱") {
		t.Fatal("Wrong SMTP message:", smtpErr.Message)
	}
}

func TestSMTP_RejectNonASCIIFrom(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", &tgt, nil, nil)
	endp.deferServerReject = false
	defer endp.Close()
	defer testutils.WaitForConnsClose(t, endp.serv)

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	err = submitMsg(t, cl, "ѣ@example.org", []string{"rcpt@example.com"}, testMsg)

	smtpErr, ok := err.(*smtp.SMTPError)
	if !ok {
		t.Fatal("Non-SMTPError returned")
	}
	if smtpErr.Code != 550 {
		t.Fatal("Wrong SMTP code:", smtpErr.Code)
	}
	if smtpErr.EnhancedCode != (smtp.EnhancedCode{5, 6, 7}) {
		t.Fatal("Wrong SMTP ench. code:", smtpErr.EnhancedCode)
	}
}

func TestSMTPUTF8_NormalizeCaseFoldFrom(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", &tgt, nil, nil)
	endp.deferServerReject = false
	defer endp.Close()
	defer testutils.WaitForConnsClose(t, endp.serv)

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	err = submitMsgOpts(t, cl, "foo@É.example.org", []string{"rcpt@example.com"}, &smtp.MailOptions{
		UTF8: true,
	}, testMsg)
	if err != nil {
		t.Fatal(err)
	}

	if len(tgt.Messages) != 1 {
		t.Fatal("Expected a message, got", len(tgt.Messages))
	}
	msg := tgt.Messages[0]
	testutils.CheckMsgID(t, &msg, "foo@é.example.org", []string{"rcpt@example.com"}, "")
}

func TestSMTP_RejectNonASCIIRcpt(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", &tgt, nil, nil)
	endp.deferServerReject = false
	defer endp.Close()
	defer testutils.WaitForConnsClose(t, endp.serv)

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	err = submitMsg(t, cl, "x@example.org", []string{"ѣ@example.org"}, testMsg)

	smtpErr, ok := err.(*smtp.SMTPError)
	if !ok {
		t.Fatal("Non-SMTPError returned")
	}
	if smtpErr.Code != 553 {
		t.Fatal("Wrong SMTP code:", smtpErr.Code)
	}
	if smtpErr.EnhancedCode != (smtp.EnhancedCode{5, 6, 7}) {
		t.Fatal("Wrong SMTP ench. code:", smtpErr.EnhancedCode)
	}
}

func TestSMTPUTF8_NormalizeCaseFoldRcpt(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", &tgt, nil, []config.Node{
		{
			Name: "mx",
			Args: []string{"é.example.org"},
			Children: []config.Node{
				{Name: "validate_recipients", Args: []string{"no"}},
			},
		},
	})
	endp.deferServerReject = false
	defer endp.Close()
	defer testutils.WaitForConnsClose(t, endp.serv)

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	// The recipient is spelled with a combining accent, the hosted domain
	// with a precomposed one. Both should match after normalization.
	err = submitMsgOpts(t, cl, "x@example.org", []string{"foo@É.example.org"}, &smtp.MailOptions{
		UTF8: true,
	}, testMsg)
	if err != nil {
		t.Fatal(err)
	}

	if len(tgt.Messages) != 1 {
		t.Fatal("Expected a message, got", len(tgt.Messages))
	}
	msg := tgt.Messages[0]
	testutils.CheckMsgID(t, &msg, "x@example.org", []string{"foo@é.example.org"}, "")
}
