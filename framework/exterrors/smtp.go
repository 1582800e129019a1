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

package exterrors

import (
	"fmt"
)

// EnhancedCode is a SMTP enhanced status code as defined in RFC 3463.
type EnhancedCode [3]int

func (ec EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", ec[0], ec[1], ec[2])
}

// SMTPError is the error that can be directly returned to the SMTP client
// as a protocol response.
type SMTPError struct {
	// SMTP status code.
	Code int

	// Enhanced SMTP status code.
	EnhancedCode EnhancedCode

	// Message sent to the client. It should not contain any data that can
	// be interpreted as a status code by the client.
	Message string

	// TargetName is the name of the component that generated this error.
	// It is used only for logging.
	TargetName string

	// Misc contains additional fields to include in structured log output.
	Misc map[string]interface{}

	// Err is the error that caused this one, if any. It is not shown to
	// the client but is accessible using errors.Unwrap.
	Err error

	// Reason is the short description of the error cause shown in logs,
	// for cases where Message is worded for the client rather than the
	// operator.
	Reason string
}

func (err *SMTPError) Unwrap() error {
	return err.Err
}

func (err *SMTPError) Fields() map[string]interface{} {
	// Err might provide useful fields too, include them.
	ctx := Fields(err.Err)
	nuCtx := make(map[string]interface{}, len(ctx)+len(err.Misc)+5)
	for k, v := range ctx {
		nuCtx[k] = v
	}
	for k, v := range err.Misc {
		nuCtx[k] = v
	}

	nuCtx["smtp_code"] = err.Code
	nuCtx["smtp_enchcode"] = err.EnhancedCode
	nuCtx["smtp_msg"] = err.Message
	if err.TargetName != "" {
		nuCtx["target"] = err.TargetName
	}
	if err.Reason != "" {
		nuCtx["reason"] = err.Reason
	}

	return nuCtx
}

func (err *SMTPError) Temporary() bool {
	return err.Code/100 == 4
}

func (err *SMTPError) Error() string {
	if err.Err != nil {
		return err.Err.Error()
	}
	return err.Message
}

// SMTPCode returns the SMTP code to use when reporting err to the client,
// picking between the passed values based on whether the error is temporary.
func SMTPCode(err error, temporaryCode, permanentCode int) int {
	if IsTemporaryOrUnspec(err) {
		return temporaryCode
	}
	return permanentCode
}

// SMTPEnchCode fills in the class digit of the enhanced status code based
// on whether the error is temporary.
func SMTPEnchCode(err error, code EnhancedCode) EnhancedCode {
	if IsTemporaryOrUnspec(err) {
		code[0] = 4
	} else {
		code[0] = 5
	}
	return code
}
