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
	"context"
	"flag"
	"math/rand"
	"net"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/go-mockdns"
	"github.com/ternmail/tern/framework/config"
	"github.com/ternmail/tern/framework/exterrors"
	"github.com/ternmail/tern/framework/module"
	"github.com/ternmail/tern/internal/testutils"
)

var testPort string

const testMsg = "From: <sender@example.org>\r\n" +
	"Subject: Hello there!\r\n" +
	"\r\n" +
	"foobar\r\n"

// testAuth is a credentials verifier with a fixed table. If scopes is
// non-nil, keys are valid only for the listed scopes.
type testAuth struct {
	creds  map[string]string
	userID map[string]string
	scopes []string
	err    error
}

func (a *testAuth) VerifyKey(_ context.Context, identity, secret, scope string) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	wantSecret, ok := a.creds[identity]
	if !ok || wantSecret != secret {
		return "", module.ErrUnknownCredentials
	}
	if a.scopes != nil {
		granted := false
		for _, s := range a.scopes {
			if s == scope {
				granted = true
			}
		}
		if !granted {
			return "", module.ErrUnknownCredentials
		}
	}
	return a.userID[identity], nil
}

func testEndpoint(t *testing.T, modName string, tgt module.DeliveryTarget, verifier module.ScopedAuth, cfg []config.Node) *Endpoint {
	t.Helper()

	mod, err := New(modName, []string{"tcp://127.0.0.1:" + testPort})
	if err != nil {
		t.Fatal(err)
	}
	endp := mod.(*Endpoint)

	endp.resolver = &mockdns.Resolver{
		Zones: map[string]mockdns.Zone{
			"mx.example.org.": {
				A: []string{"127.0.0.1"},
			},
			"1.0.0.127.in-addr.arpa.": {
				PTR: []string{"mx.example.org"},
			},
		},
	}
	endp.Log = testutils.Logger(t, modName)

	cfg = append(cfg,
		config.Node{
			Name: "hostname",
			Args: []string{"mx.example.com"},
		},
		config.Node{
			Name: "tls",
			Args: []string{"off"},
		},
		config.Node{ // To make Init succeed, the target is replaced below.
			Name: "storage",
			Args: []string{"dummy"},
		},
	)

	if modName == "submission" {
		cfg = append(cfg, config.Node{
			Name: "auth",
			Args: []string{"dummy"},
		})
	} else {
		hasMX := false
		for _, node := range cfg {
			if node.Name == "mx" {
				hasMX = true
			}
		}
		if !hasMX {
			cfg = append(cfg, config.Node{
				Name: "mx",
				Args: []string{"example.com", "example.org"},
				Children: []config.Node{
					{Name: "validate_recipients", Args: []string{"no"}},
				},
			})
		}
	}

	err = endp.Init(config.NewMap(nil, config.Node{
		Children: cfg,
	}))
	if err != nil {
		t.Fatal(err)
	}

	endp.deliverTo = tgt
	if verifier != nil {
		endp.saslAuth.Auth = verifier
	}

	return endp
}

func submitMsg(t *testing.T, cl *smtp.Client, from string, rcpts []string, msg string) error {
	return submitMsgOpts(t, cl, from, rcpts, nil, msg)
}

func submitMsgOpts(t *testing.T, cl *smtp.Client, from string, rcpts []string, opts *smtp.MailOptions, msg string) error {
	t.Helper()

	// Error for this one is ignored because it fails if EHLO was already sent
	// and submitMsg can happen multiple times.
	_ = cl.Hello("mx.example.org")
	if err := cl.Mail(from, opts); err != nil {
		return err
	}
	for _, rcpt := range rcpts {
		if err := cl.Rcpt(rcpt); err != nil {
			return err
		}
	}
	data, err := cl.Data()
	if err != nil {
		return err
	}
	if _, err := data.Write([]byte(msg)); err != nil {
		return err
	}

	return data.Close()
}

func checkSMTPErr(t *testing.T, err error, code int, enchCode smtp.EnhancedCode, msgPrefix string) {
	t.Helper()

	if err == nil {
		t.Error("Expected an error, got none")
		return
	}
	smtpErr, ok := err.(*smtp.SMTPError)
	if !ok {
		t.Errorf("Non-SMTPError returned: %T %v", err, err)
		return
	}

	if smtpErr.Code != code {
		t.Error("Wrong SMTP code:", smtpErr.Code)
	}
	if smtpErr.EnhancedCode != enchCode {
		t.Error("Wrong SMTP enhanced code:", smtpErr.EnhancedCode)
	}
	if !strings.HasPrefix(smtpErr.Message, msgPrefix) {
		t.Error("Wrong SMTP message:", smtpErr.Message)
	}
}

func TestMXDelivery(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", &tgt, nil, nil)
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	err = submitMsg(t, cl, "sender@example.org", []string{"rcpt1@example.com", "rcpt2@example.com"}, testMsg)
	if err != nil {
		t.Fatal(err)
	}

	if len(tgt.Messages) != 1 {
		t.Fatal("Expected a message, got", len(tgt.Messages))
	}
	msg := tgt.Messages[0]
	testutils.CheckMsgID(t, &msg, "sender@example.org", []string{"rcpt1@example.com", "rcpt2@example.com"}, "")

	if msg.MsgMeta.Conn.Proto != "ESMTP" {
		t.Error("Wrong SrcProto:", msg.MsgMeta.Conn.Proto)
	}
	if msg.MsgMeta.Conn.Hostname != "mx.example.org" {
		t.Error("Wrong source hostname:", msg.MsgMeta.Conn.Hostname)
	}
	if msg.MsgMeta.Conn.AuthUser != "" {
		t.Error("Non-empty AuthUser for anonymous session:", msg.MsgMeta.Conn.AuthUser)
	}

	rdnsName, _ := msg.MsgMeta.Conn.RDNSName.Get()
	if rdnsName, _ := rdnsName.(string); rdnsName != "mx.example.org" {
		t.Error("Wrong rDNS name:", rdnsName)
	}
}

func TestMXDelivery_rDNSError(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", &tgt, nil, nil)
	defer endp.Close()

	endp.resolver.(*mockdns.Resolver).Zones["1.0.0.127.in-addr.arpa."] = mockdns.Zone{
		Err: &net.DNSError{
			Name:       "1.0.0.127.in-addr.arpa.",
			Server:     "127.0.0.1:53",
			Err:        "bad",
			IsNotFound: false,
		},
	}

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	err = submitMsg(t, cl, "sender@example.org", []string{"rcpt1@example.com", "rcpt2@example.com"}, testMsg)
	if err != nil {
		t.Fatal(err)
	}

	if len(tgt.Messages) != 1 {
		t.Fatal("Expected a message, got", len(tgt.Messages))
	}
	msg := tgt.Messages[0]
	testutils.CheckMsgID(t, &msg, "sender@example.org", []string{"rcpt1@example.com", "rcpt2@example.com"}, "")

	rdnsName, err := msg.MsgMeta.Conn.RDNSName.Get()
	if rdnsName != nil || err == nil {
		t.Errorf("Wrong rDNS result: %#+v (%v)", rdnsName, err)
	}
}

func TestMXDelivery_RelayDenied(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", &tgt, nil, nil)
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if err := cl.Hello("mx.example.org"); err != nil {
		t.Fatal(err)
	}
	if err := cl.Mail("sender@remote.example.net", nil); err != nil {
		t.Fatal(err)
	}

	checkSMTPErr(t, cl.Rcpt("rcpt@elsewhere.example.net"), 550, smtp.EnhancedCode{5, 7, 1}, "Relay access denied")

	// The hosted domain is still accepted within the same transaction.
	if err := cl.Rcpt("rcpt@example.com"); err != nil {
		t.Fatal(err)
	}
	data, err := cl.Data()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := data.Write([]byte(testMsg)); err != nil {
		t.Fatal(err)
	}
	if err := data.Close(); err != nil {
		t.Fatal(err)
	}

	if len(tgt.Messages) != 1 {
		t.Fatal("Expected a message, got", len(tgt.Messages))
	}
	testutils.CheckMsgID(t, &tgt.Messages[0], "sender@remote.example.net", []string{"rcpt@example.com"}, "")
}

func TestMXDelivery_RecipientValidation(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", &tgt, nil, []config.Node{
		{
			Name: "mx",
			Args: []string{"example.com"},
		},
	})
	defer endp.Close()

	store := testutils.NewStore()
	store.AddUser("U1", "fox@example.com")
	endp.policy.store = store

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if err := cl.Hello("mx.example.org"); err != nil {
		t.Fatal(err)
	}
	if err := cl.Mail("sender@example.org", nil); err != nil {
		t.Fatal(err)
	}

	checkSMTPErr(t, cl.Rcpt("unknown@example.com"), 550, smtp.EnhancedCode{5, 1, 1}, "No such user here")

	if err := cl.Rcpt("fox@example.com"); err != nil {
		t.Fatal(err)
	}
	data, err := cl.Data()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := data.Write([]byte(testMsg)); err != nil {
		t.Fatal(err)
	}
	if err := data.Close(); err != nil {
		t.Fatal(err)
	}

	if len(tgt.Messages) != 1 {
		t.Fatal("Expected a message, got", len(tgt.Messages))
	}
	testutils.CheckMsgID(t, &tgt.Messages[0], "sender@example.org", []string{"fox@example.com"}, "")
}

func TestMXDelivery_NoAuth(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", &tgt, nil, nil)
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if err := cl.Hello("mx.example.org"); err != nil {
		t.Fatal(err)
	}
	if err := cl.Auth(sasl.NewPlainClient("", "fox@example.com", "secret")); err == nil {
		t.Fatal("Expected an error, got none")
	}
}

func TestMXDelivery_StartError(t *testing.T) {
	tgt := testutils.Target{
		StartErr: &exterrors.SMTPError{
			Code:    451,
			Message: "Hold on",
		},
	}
	endp := testEndpoint(t, "smtp", &tgt, nil, nil)
	endp.deferServerReject = false
	defer endp.Close()

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

	if smtpErr.Code != 451 {
		t.Fatal("Wrong SMTP code:", smtpErr.Code)
	}
	if !strings.HasPrefix(smtpErr.Message, "Hold on") {
		t.Fatal("Wrong SMTP message:", smtpErr.Message)
	}
}

func TestMXDelivery_StartError_Deferred(t *testing.T) {
	tgt := testutils.Target{
		StartErr: &exterrors.SMTPError{
			Code:    451,
			Message: "Hold on",
		},
	}
	endp := testEndpoint(t, "smtp", &tgt, nil, nil)
	endp.deferServerReject = true
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	err = cl.Mail("sender@example.org", nil)
	if err != nil {
		t.Fatal(err)
	}

	checkErr := func(err error) {
		t.Helper()

		if err == nil {
			t.Fatal("Expected an error, got none")
		}
		smtpErr, ok := err.(*smtp.SMTPError)
		if !ok {
			t.Error("Non-SMTPError returned")
			return
		}

		if smtpErr.Code != 451 {
			t.Error("Wrong SMTP code:", smtpErr.Code)
		}
		if !strings.HasPrefix(smtpErr.Message, "Hold on") {
			t.Error("Wrong SMTP message:", smtpErr.Message)
		}
	}

	checkErr(cl.Rcpt("test1@example.org"))
	checkErr(cl.Rcpt("test1@example.org"))
	checkErr(cl.Rcpt("test2@example.org"))
}

func TestMXDelivery_Multi(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", &tgt, nil, nil)
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	err = submitMsg(t, cl, "sender1@example.org", []string{"rcpt1@example.com", "rcpt2@example.com"}, testMsg)
	if err != nil {
		t.Fatal(err)
	}
	err = submitMsg(t, cl, "sender2@example.org", []string{"rcpt3@example.com", "rcpt4@example.com"}, testMsg)
	if err != nil {
		t.Fatal(err)
	}

	if len(tgt.Messages) != 2 {
		t.Fatal("Expected two messages, got", len(tgt.Messages))
	}
	testutils.CheckMsgID(t, &tgt.Messages[0], "sender1@example.org", []string{"rcpt1@example.com", "rcpt2@example.com"}, "")
	testutils.CheckMsgID(t, &tgt.Messages[1], "sender2@example.org", []string{"rcpt3@example.com", "rcpt4@example.com"}, "")
}

func TestMXDelivery_AbortData(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", &tgt, nil, nil)
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if err := cl.Hello("mx.example.org"); err != nil {
		t.Fatal(err)
	}
	if err := cl.Mail("sender@example.org", nil); err != nil {
		t.Fatal(err)
	}
	if err := cl.Rcpt("test@example.com"); err != nil {
		t.Fatal(err)
	}
	data, err := cl.Data()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := data.Write([]byte(testMsg)); err != nil {
		t.Fatal(err)
	}

	// Then.. Suddenly, close the connection without sending the final dot.
	cl.Close()

	time.Sleep(250 * time.Millisecond)

	if len(tgt.Messages) != 0 {
		t.Fatal("Expected no messages, got", len(tgt.Messages))
	}
}

func TestMXDelivery_EmptyMessage(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", &tgt, nil, nil)
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if err := cl.Hello("mx.example.org"); err != nil {
		t.Fatal(err)
	}
	if err := cl.Mail("sender@example.org", nil); err != nil {
		t.Fatal(err)
	}
	if err := cl.Rcpt("test@example.com"); err != nil {
		t.Fatal(err)
	}
	data, err := cl.Data()
	if err != nil {
		t.Fatal(err)
	}
	if err := data.Close(); err != nil {
		t.Fatal(err)
	}

	time.Sleep(250 * time.Millisecond)

	if len(tgt.Messages) != 1 {
		t.Fatal("Expected 1 message, got", len(tgt.Messages))
	}
	msg := tgt.Messages[0]
	if len(msg.Body) != 0 {
		t.Fatal("Expected an empty body, got", len(msg.Body))
	}
}

func TestMXDelivery_AbortLogout(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", &tgt, nil, nil)
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if err := cl.Hello("mx.example.org"); err != nil {
		t.Fatal(err)
	}
	if err := cl.Mail("sender@example.org", nil); err != nil {
		t.Fatal(err)
	}
	if err := cl.Rcpt("test@example.com"); err != nil {
		t.Fatal(err)
	}

	// Then.. Suddenly, close the connection.
	cl.Close()

	time.Sleep(250 * time.Millisecond)

	if len(tgt.Messages) != 0 {
		t.Fatal("Expected no messages, got", len(tgt.Messages))
	}
}

func TestMXDelivery_Reset(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", &tgt, nil, nil)
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if err := cl.Mail("from-garbage@example.org", nil); err != nil {
		t.Fatal(err)
	}
	if err := cl.Rcpt("to-garbage@example.org"); err != nil {
		t.Fatal(err)
	}
	if err := cl.Reset(); err != nil {
		t.Fatal(err)
	}

	// then submit the message as if nothing happened.

	err = submitMsg(t, cl, "sender@example.org", []string{"rcpt1@example.com", "rcpt2@example.com"}, testMsg)
	if err != nil {
		t.Fatal(err)
	}

	if len(tgt.Messages) != 1 {
		t.Fatal("Expected a message, got", len(tgt.Messages))
	}
	msg := tgt.Messages[0]
	testutils.CheckMsgID(t, &msg, "sender@example.org", []string{"rcpt1@example.com", "rcpt2@example.com"}, "")
}

func TestSMTP_MaxMessageSize(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "smtp", &tgt, nil, []config.Node{
		{
			Name: "max_message_size",
			Args: []string{"1K"},
		},
	})
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if err := cl.Hello("mx.example.org"); err != nil {
		t.Fatal(err)
	}

	err = cl.Mail("sender@example.org", &smtp.MailOptions{Size: 100 * 1024})
	if err == nil {
		t.Fatal("Expected an error, got none")
	}
	smtpErr, ok := err.(*smtp.SMTPError)
	if !ok {
		t.Fatal("Non-SMTPError returned")
	}
	if smtpErr.Code != 552 {
		t.Fatal("Wrong SMTP code:", smtpErr.Code)
	}
}

func TestSubmission_AuthRequired(t *testing.T) {
	tgt := testutils.Target{}
	endp := testEndpoint(t, "submission", &tgt, &testAuth{}, nil)
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if err := cl.Mail("from-garbage@example.org", nil); err == nil {
		t.Fatal("Expected an error, got none")
	}
}

func TestSubmission_AuthOK(t *testing.T) {
	tgt := testutils.Target{}
	verifier := &testAuth{
		creds:  map[string]string{"fox@example.com": "secret"},
		userID: map[string]string{"fox@example.com": "U1"},
	}
	endp := testEndpoint(t, "submission", &tgt, verifier, nil)
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if err := cl.Hello("mx.example.org"); err != nil {
		t.Fatal(err)
	}
	if err := cl.Auth(sasl.NewPlainClient("", "fox@example.com", "secret")); err != nil {
		t.Fatal(err)
	}

	if err := submitMsg(t, cl, "fox@example.com", []string{"rcpt@example.org"}, testMsg); err != nil {
		t.Fatal(err)
	}

	if len(tgt.Messages) != 1 {
		t.Fatal("Expected a message, got", len(tgt.Messages))
	}
	msg := tgt.Messages[0]
	testutils.CheckMsgID(t, &msg, "fox@example.com", []string{"rcpt@example.org"}, "")

	if msg.MsgMeta.Conn.AuthUser != "fox@example.com" {
		t.Error("Wrong AuthUser:", msg.MsgMeta.Conn.AuthUser)
	}
	if msg.MsgMeta.Conn.AuthUserID != "U1" {
		t.Error("Wrong AuthUserID:", msg.MsgMeta.Conn.AuthUserID)
	}

	if msg.Header.Get("Message-ID") == "" {
		t.Error("No submissionPrepare run")
	}
}

func TestSubmission_AuthLogin(t *testing.T) {
	tgt := testutils.Target{}
	verifier := &testAuth{
		creds:  map[string]string{"fox@example.com": "secret"},
		userID: map[string]string{"fox@example.com": "U1"},
	}
	endp := testEndpoint(t, "submission", &tgt, verifier, nil)
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if err := cl.Hello("mx.example.org"); err != nil {
		t.Fatal(err)
	}
	if err := cl.Auth(sasl.NewLoginClient("fox@example.com", "secret")); err != nil {
		t.Fatal(err)
	}

	if err := submitMsg(t, cl, "fox@example.com", []string{"rcpt@example.org"}, testMsg); err != nil {
		t.Fatal(err)
	}

	if len(tgt.Messages) != 1 {
		t.Fatal("Expected a message, got", len(tgt.Messages))
	}
	if tgt.Messages[0].MsgMeta.Conn.AuthUser != "fox@example.com" {
		t.Error("Wrong AuthUser:", tgt.Messages[0].MsgMeta.Conn.AuthUser)
	}
}

func TestSubmission_AuthFail(t *testing.T) {
	tgt := testutils.Target{}
	verifier := &testAuth{
		creds:  map[string]string{"fox@example.com": "secret"},
		userID: map[string]string{"fox@example.com": "U1"},
	}
	endp := testEndpoint(t, "submission", &tgt, verifier, nil)
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if err := cl.Hello("mx.example.org"); err != nil {
		t.Fatal(err)
	}

	checkSMTPErr(t, cl.Auth(sasl.NewPlainClient("", "fox@example.com", "wrong")),
		535, smtp.EnhancedCode{5, 7, 8}, "Invalid credentials")

	// Failed attempt does not lock the valid credentials out.
	if err := cl.Auth(sasl.NewPlainClient("", "fox@example.com", "secret")); err != nil {
		t.Fatal(err)
	}
	if err := submitMsg(t, cl, "fox@example.com", []string{"rcpt@example.org"}, testMsg); err != nil {
		t.Fatal(err)
	}
	if len(tgt.Messages) != 1 {
		t.Fatal("Expected a message, got", len(tgt.Messages))
	}
}

func TestSubmission_AuthScopes(t *testing.T) {
	tgt := testutils.Target{}
	verifier := &testAuth{
		creds:  map[string]string{"fox@example.com": "secret"},
		userID: map[string]string{"fox@example.com": "U1"},
		scopes: []string{module.ScopePOP3},
	}
	endp := testEndpoint(t, "submission", &tgt, verifier, nil)
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if err := cl.Hello("mx.example.org"); err != nil {
		t.Fatal(err)
	}

	// The key is valid, but not for message submission.
	checkSMTPErr(t, cl.Auth(sasl.NewPlainClient("", "fox@example.com", "secret")),
		535, smtp.EnhancedCode{5, 7, 8}, "Invalid credentials")

	verifier.scopes = []string{module.ScopeSMTP}
	if err := cl.Auth(sasl.NewPlainClient("", "fox@example.com", "secret")); err != nil {
		t.Fatal(err)
	}
}

func TestSubmission_AuthMaxFails(t *testing.T) {
	tgt := testutils.Target{}
	verifier := &testAuth{
		creds:  map[string]string{"fox@example.com": "secret"},
		userID: map[string]string{"fox@example.com": "U1"},
	}
	endp := testEndpoint(t, "submission", &tgt, verifier, []config.Node{
		{
			Name: "auth_max_fails",
			Args: []string{"2"},
		},
	})
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if err := cl.Hello("mx.example.org"); err != nil {
		t.Fatal(err)
	}

	checkSMTPErr(t, cl.Auth(sasl.NewPlainClient("", "fox@example.com", "wrong")),
		535, smtp.EnhancedCode{5, 7, 8}, "Invalid credentials")
	checkSMTPErr(t, cl.Auth(sasl.NewPlainClient("", "fox@example.com", "wrong")),
		421, smtp.EnhancedCode{4, 7, 0}, "Too many failed authentication attempts")

	// Counter is checked before the verifier, valid credentials are not
	// accepted anymore.
	if err := cl.Auth(sasl.NewPlainClient("", "fox@example.com", "secret")); err == nil {
		t.Fatal("Expected an error, got none")
	}
}

func TestSubmission_AuthRateLimit(t *testing.T) {
	tgt := testutils.Target{}
	verifier := &testAuth{
		creds:  map[string]string{"fox@example.com": "secret"},
		userID: map[string]string{"fox@example.com": "U1"},
	}
	endp := testEndpoint(t, "submission", &tgt, verifier, []config.Node{
		{
			Name: "auth_rate",
			Args: []string{"1", "1h"},
		},
	})
	defer endp.Close()

	cl, err := smtp.Dial("127.0.0.1:" + testPort)
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	if err := cl.Hello("mx.example.org"); err != nil {
		t.Fatal(err)
	}

	checkSMTPErr(t, cl.Auth(sasl.NewPlainClient("", "fox@example.com", "wrong")),
		535, smtp.EnhancedCode{5, 7, 8}, "Invalid credentials")
	checkSMTPErr(t, cl.Auth(sasl.NewPlainClient("", "fox@example.com", "secret")),
		454, smtp.EnhancedCode{4, 7, 0}, "Authentication rate limit exceeded")
}

func TestEndpointConfig_Errors(t *testing.T) {
	baseCfg := []config.Node{
		{Name: "hostname", Args: []string{"mx.example.com"}},
		{Name: "tls", Args: []string{"off"}},
		{Name: "storage", Args: []string{"dummy"}},
	}

	// MX endpoint without the mx block.
	mod, err := New("smtp", []string{"tcp://127.0.0.1:" + testPort})
	if err != nil {
		t.Fatal(err)
	}
	endp := mod.(*Endpoint)
	endp.Log = testutils.Logger(t, "smtp")
	if err := endp.Init(config.NewMap(nil, config.Node{Children: baseCfg})); err == nil {
		endp.Close()
		t.Error("Expected an error for MX endpoint without mx block")
	}

	// Submission endpoint without a verifier.
	mod, err = New("submission", []string{"tcp://127.0.0.1:" + testPort})
	if err != nil {
		t.Fatal(err)
	}
	endp = mod.(*Endpoint)
	endp.Log = testutils.Logger(t, "submission")
	if err := endp.Init(config.NewMap(nil, config.Node{Children: baseCfg})); err == nil {
		endp.Close()
		t.Error("Expected an error for submission endpoint without auth")
	}

	// Submission endpoint with a relay policy.
	mod, err = New("submission", []string{"tcp://127.0.0.1:" + testPort})
	if err != nil {
		t.Fatal(err)
	}
	endp = mod.(*Endpoint)
	endp.Log = testutils.Logger(t, "submission")
	cfg := append([]config.Node{
		{Name: "auth", Args: []string{"dummy"}},
		{Name: "mx", Args: []string{"example.com"}},
	}, baseCfg...)
	if err := endp.Init(config.NewMap(nil, config.Node{Children: cfg})); err == nil {
		endp.Close()
		t.Error("Expected an error for submission endpoint with mx block")
	}
}

func TestMain(m *testing.M) {
	remoteSmtpPort := flag.String("test.smtpport", "random", "(tern) SMTP port to use for connections in tests")
	flag.Parse()

	if *remoteSmtpPort == "random" {
		rand.Seed(time.Now().UnixNano())
		*remoteSmtpPort = strconv.Itoa(rand.Intn(65536-10000) + 10000)
	}

	testPort = *remoteSmtpPort
	os.Exit(m.Run())
}
