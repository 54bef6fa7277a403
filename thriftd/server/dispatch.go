/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package server

import (
	"sort"

	"github.com/apache/thrift/lib/go/thrift"
)

// DispatchTable maps method names to the processor functions which serve
// them. A DispatchTable is immutable once created and is shared, without
// locking, by all protocol sessions.
type DispatchTable struct {
	handlers map[string]thrift.TProcessorFunction
}

// NewDispatchTable creates a DispatchTable from the processor map of a
// Thrift processor, typically one produced by the Thrift compiler. The map
// is copied; later changes to processor are not observed.
func NewDispatchTable(processor thrift.TProcessor) *DispatchTable {
	return NewDispatchTableFromMap(processor.ProcessorMap())
}

// NewDispatchTableFromMap creates a DispatchTable from a map of method
// names to processor functions. The map is copied.
func NewDispatchTableFromMap(handlers map[string]thrift.TProcessorFunction) *DispatchTable {
	table := &DispatchTable{
		handlers: make(map[string]thrift.TProcessorFunction, len(handlers)),
	}
	for name, handler := range handlers {
		if handler != nil {
			table.handlers[name] = handler
		}
	}
	return table
}

// Lookup returns the processor function for name.
func (table *DispatchTable) Lookup(name string) (thrift.TProcessorFunction, bool) {
	handler, ok := table.handlers[name]
	return handler, ok
}

// Methods returns the sorted method names in the table.
func (table *DispatchTable) Methods() []string {
	methods := make([]string, 0, len(table.handlers))
	for name := range table.handlers {
		methods = append(methods, name)
	}
	sort.Strings(methods)
	return methods
}
