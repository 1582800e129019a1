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

//go:build !docker

package tern

var (
	// ConfigDirectory specifies platform-specific value
	// that should be used as a location of main configuration file.
	//
	// It should not be changed and is defined as a variable
	// only for purposes of modification using -X linker flag.
	ConfigDirectory = "/etc/tern"

	// DefaultStateDirectory specifies platform-specific
	// default for state_dir.
	//
	// Most code should use config.StateDirectory instead
	// since it will contain the effective location of the
	// state directory.
	//
	// It should not be changed and is defined as a variable
	// only for purposes of modification using -X linker flag.
	DefaultStateDirectory = "/var/lib/tern"

	// DefaultRuntimeDirectory specifies platform-specific
	// default for runtime_dir.
	//
	// Most code should use config.RuntimeDirectory instead
	// since it will contain the effective location of the
	// runtime directory.
	//
	// It should not be changed and is defined as a variable
	// only for purposes of modification using -X linker flag.
	DefaultRuntimeDirectory = "/run/tern"

	// DefaultLibexecDirectory specifies platform-specific
	// default for the libexec directory.
	//
	// Most code should use config.LibexecDirectory instead
	// since it will contain the effective location of the
	// libexec directory.
	//
	// It should not be changed and is defined as a variable
	// only for purposes of modification using -X linker flag.
	DefaultLibexecDirectory = "/usr/lib/tern"
)
