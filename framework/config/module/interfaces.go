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

package modconfig

import (
	"github.com/ternmail/tern/framework/config"
	"github.com/ternmail/tern/framework/module"
)

// DeliveryDirective is a callback for use in config.Map.Custom.
//
// It does all work necessary to create a module instance from the config
// directive with the following structure:
// directive_name mod_name [inst_name] [{
//   inline_mod_config
// }]
//
// Note that if used configuration structure lacks directive_name before mod_name - this function
// should not be used (call DeliveryTarget directly).
func DeliveryDirective(m *config.Map, node config.Node) (interface{}, error) {
	return DeliveryTarget(m.Globals, node.Args, node)
}

func DeliveryTarget(globals map[string]interface{}, args []string, block config.Node) (module.DeliveryTarget, error) {
	var target module.DeliveryTarget
	if err := ModuleFromNode("target", args, block, globals, &target); err != nil {
		return nil, err
	}
	return target, nil
}

// StorageDirective resolves a message store reference for use in
// config.Map.Custom.
func StorageDirective(m *config.Map, node config.Node) (interface{}, error) {
	var store module.MessageStore
	if err := ModuleFromNode("storage", node.Args, node, m.Globals, &store); err != nil {
		return nil, err
	}
	return store, nil
}

// AuthDirective resolves a credential verifier reference for use in
// config.Map.Custom.
func AuthDirective(m *config.Map, node config.Node) (interface{}, error) {
	var verifier module.ScopedAuth
	if err := ModuleFromNode("auth", node.Args, node, m.Globals, &verifier); err != nil {
		return nil, err
	}
	return verifier, nil
}

// BlobStoreDirective resolves a blob store reference for use in
// config.Map.Custom.
func BlobStoreDirective(m *config.Map, node config.Node) (interface{}, error) {
	var store module.BlobStore
	if err := ModuleFromNode("storage.blob", node.Args, node, m.Globals, &store); err != nil {
		return nil, err
	}
	return store, nil
}
