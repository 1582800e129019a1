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

package rfc822

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/ternmail/tern/framework/module"
)

var testReceivedAt = time.Date(2024, time.May, 10, 12, 30, 0, 0, time.UTC)

func testEmail() *module.Email {
	return &module.Email{
		ID:              "a81cc4ff-12a3-4a21-b510-5b19f3c64f01",
		MessageID:       "first@example.org",
		FromAddress:     "alice@example.org",
		FromDisplayName: "Alice Example",
		Subject:         "Lunch",
		TextBody:        "See you at noon.",
		ReceivedAt:      testReceivedAt,
		Recipients: []module.EmailRecipient{
			{Address: "bob@example.org", DisplayName: "Bob Example", Type: module.RecipientTo},
		},
	}
}

func TestRender_TextOnly(t *testing.T) {
	blob, err := Render(testEmail())
	if err != nil {
		t.Fatal(err)
	}

	want := "From: Alice Example <alice@example.org>\r\n" +
		"To: Bob Example <bob@example.org>\r\n" +
		"Subject: Lunch\r\n" +
		"Date: Fri, 10 May 2024 12:30:00 +0000\r\n" +
		"Message-Id: <first@example.org>\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"Content-Transfer-Encoding: quoted-printable\r\n" +
		"\r\n" +
		"See you at noon."
	if string(blob) != want {
		t.Errorf("wrong rendering\nwant: %q\ngot:  %q", want, string(blob))
	}
}

func TestRender_AlternativeStructure(t *testing.T) {
	msg := testEmail()
	msg.HTMLBody = "<p>See you at noon.</p>"

	blob, err := Render(msg)
	if err != nil {
		t.Fatal(err)
	}
	body := string(blob)

	boundary := "b1.a81cc4ff12a34a21b5105b19f3c64f01"
	if !strings.Contains(body, "Content-Type: multipart/alternative; boundary="+boundary) {
		t.Errorf("multipart/alternative header with derived boundary missing:\n%s", body)
	}
	if !strings.Contains(body, "--"+boundary+"--") {
		t.Errorf("closing boundary missing:\n%s", body)
	}
	textAt := strings.Index(body, "text/plain; charset=utf-8")
	htmlAt := strings.Index(body, "text/html; charset=utf-8")
	if textAt == -1 || htmlAt == -1 {
		t.Fatalf("expected both alternative parts:\n%s", body)
	}
	if textAt > htmlAt {
		t.Errorf("text part should come before the html part:\n%s", body)
	}
}

func TestRender_Deterministic(t *testing.T) {
	msg := testEmail()
	msg.HTMLBody = "<p>See you at noon.</p>"
	msg.Attachments = []module.EmailAttachment{
		{FileName: "notes.txt", ContentType: "text/plain", Content: []byte("remember the cake\n")},
		{FileName: "pic.bin", ContentType: "application/octet-stream", Content: []byte{0, 1, 2, 0xFF}},
	}

	first, err := Render(msg)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Render(msg)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Error("two renderings of the same message differ")
	}
}

func TestRender_ParseRoundTrip(t *testing.T) {
	msg := testEmail()
	msg.Subject = "Déjeuner à midi"
	msg.TextBody = "On se voit à midi.\r\nÀ plus."
	msg.HTMLBody = "<p>On se voit à midi.</p>"
	msg.InReplyTo = "zero@example.org"
	msg.References = []string{"zero@example.org", "minus-one@example.org"}
	msg.Recipients = append(msg.Recipients,
		module.EmailRecipient{Address: "carol@example.net", Type: module.RecipientCc},
		module.EmailRecipient{Address: "dave@example.net", DisplayName: "Dave", Type: module.RecipientBcc},
	)
	msg.Attachments = []module.EmailAttachment{
		{FileName: "notes.txt", ContentType: "text/plain", Content: []byte("remember the cake\n")},
	}

	blob, err := Render(msg)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := Parse(blob)
	if err != nil {
		t.Fatal(err)
	}

	check := func(field, got, want string) {
		t.Helper()
		if got != want {
			t.Errorf("%s: got %q, want %q", field, got, want)
		}
	}
	check("MessageID", parsed.MessageID, msg.MessageID)
	check("FromAddress", parsed.FromAddress, msg.FromAddress)
	check("FromDisplayName", parsed.FromDisplayName, msg.FromDisplayName)
	check("Subject", parsed.Subject, msg.Subject)
	check("TextBody", parsed.TextBody, msg.TextBody)
	check("HTMLBody", parsed.HTMLBody, msg.HTMLBody)
	check("InReplyTo", parsed.InReplyTo, msg.InReplyTo)

	if len(parsed.References) != 2 || parsed.References[0] != "zero@example.org" ||
		parsed.References[1] != "minus-one@example.org" {
		t.Errorf("wrong References: %v", parsed.References)
	}
	if parsed.SizeBytes != int64(len(blob)) {
		t.Errorf("SizeBytes: got %d, want %d", parsed.SizeBytes, len(blob))
	}

	wantRcpts := []module.IncomingRecipient{
		{Address: "bob@example.org", DisplayName: "Bob Example", Type: module.RecipientTo},
		{Address: "carol@example.net", Type: module.RecipientCc},
		{Address: "dave@example.net", DisplayName: "Dave", Type: module.RecipientBcc},
	}
	if len(parsed.Recipients) != len(wantRcpts) {
		t.Fatalf("wrong recipient count: got %d, want %d", len(parsed.Recipients), len(wantRcpts))
	}
	for i, want := range wantRcpts {
		if parsed.Recipients[i] != want {
			t.Errorf("recipient %d: got %+v, want %+v", i, parsed.Recipients[i], want)
		}
	}

	if len(parsed.Attachments) != 1 {
		t.Fatalf("wrong attachment count: %d", len(parsed.Attachments))
	}
	att := parsed.Attachments[0]
	check("attachment name", att.FileName, "notes.txt")
	check("attachment type", att.ContentType, "text/plain")
	if !bytes.Equal(att.Content, []byte("remember the cake\n")) {
		t.Errorf("attachment content: got %q", att.Content)
	}
}

func TestRender_ParseRoundTripProp(t *testing.T) {
	namePart := rapid.StringMatching(`[A-Za-z]{1,8}`)
	addr := rapid.StringMatching(`[a-z]{1,10}@[a-z]{1,10}\.[a-z]{2,3}`)

	rapid.Check(t, func(t *rapid.T) {
		displayName := func(label string) string {
			parts := rapid.IntRange(0, 3).Draw(t, label+"Parts")
			words := make([]string, 0, parts)
			for i := 0; i < parts; i++ {
				words = append(words, namePart.Draw(t, fmt.Sprintf("%sWord%d", label, i)))
			}
			return strings.Join(words, " ")
		}

		msg := &module.Email{
			ID:              rapid.StringMatching(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`).Draw(t, "id"),
			MessageID:       rapid.StringMatching(`[a-z0-9.-]{5,20}@[a-z]{1,10}\.[a-z]{2,3}`).Draw(t, "messageID"),
			FromAddress:     addr.Draw(t, "from"),
			FromDisplayName: displayName("fromName"),
			Subject:         strings.Join(rapid.SliceOfN(rapid.StringMatching(`[A-Za-z0-9]{1,8}`), 1, 4).Draw(t, "subject"), " "),
			ReceivedAt:      testReceivedAt,
		}
		if rapid.Bool().Draw(t, "hasText") {
			msg.TextBody = rapid.StringMatching(`[ -~]{0,120}`).Draw(t, "textBody")
		}
		if rapid.Bool().Draw(t, "hasHTML") {
			msg.HTMLBody = "<p>" + rapid.StringMatching(`[A-Za-z0-9 ]{0,80}`).Draw(t, "htmlBody") + "</p>"
		}

		toCount := rapid.IntRange(1, 3).Draw(t, "toCount")
		for i := 0; i < toCount; i++ {
			msg.Recipients = append(msg.Recipients, module.EmailRecipient{
				Address:     addr.Draw(t, fmt.Sprintf("to%d", i)),
				DisplayName: displayName(fmt.Sprintf("toName%d", i)),
				Type:        module.RecipientTo,
			})
		}
		attCount := rapid.IntRange(0, 2).Draw(t, "attCount")
		var attContents [][]byte
		for i := 0; i < attCount; i++ {
			content := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, fmt.Sprintf("attContent%d", i))
			attContents = append(attContents, content)
			msg.Attachments = append(msg.Attachments, module.EmailAttachment{
				FileName:    rapid.StringMatching(`[a-z]{1,8}\.bin`).Draw(t, fmt.Sprintf("attName%d", i)),
				ContentType: "application/octet-stream",
				Content:     content,
			})
		}

		blob, err := Render(msg)
		if err != nil {
			t.Fatalf("render: %v", err)
		}
		parsed, err := Parse(blob)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}

		if parsed.FromAddress != msg.FromAddress {
			t.Errorf("FromAddress: got %q, want %q", parsed.FromAddress, msg.FromAddress)
		}
		if parsed.FromDisplayName != msg.FromDisplayName {
			t.Errorf("FromDisplayName: got %q, want %q", parsed.FromDisplayName, msg.FromDisplayName)
		}
		if parsed.Subject != msg.Subject {
			t.Errorf("Subject: got %q, want %q", parsed.Subject, msg.Subject)
		}
		if parsed.MessageID != msg.MessageID {
			t.Errorf("MessageID: got %q, want %q", parsed.MessageID, msg.MessageID)
		}
		if parsed.TextBody != msg.TextBody {
			t.Errorf("TextBody: got %q, want %q", parsed.TextBody, msg.TextBody)
		}
		if parsed.HTMLBody != msg.HTMLBody {
			t.Errorf("HTMLBody: got %q, want %q", parsed.HTMLBody, msg.HTMLBody)
		}

		if len(parsed.Recipients) != toCount {
			t.Fatalf("recipient count: got %d, want %d", len(parsed.Recipients), toCount)
		}
		for i, rcpt := range parsed.Recipients {
			want := msg.Recipients[i]
			if rcpt.Address != want.Address || rcpt.DisplayName != want.DisplayName || rcpt.Type != want.Type {
				t.Errorf("recipient %d: got %+v, want %+v", i, rcpt, want)
			}
		}

		if len(parsed.Attachments) != attCount {
			t.Fatalf("attachment count: got %d, want %d", len(parsed.Attachments), attCount)
		}
		for i, att := range parsed.Attachments {
			if att.FileName != msg.Attachments[i].FileName {
				t.Errorf("attachment %d name: got %q, want %q", i, att.FileName, msg.Attachments[i].FileName)
			}
			if !bytes.Equal(att.Content, attContents[i]) {
				t.Errorf("attachment %d content: got %v, want %v", i, att.Content, attContents[i])
			}
		}
	})
}
