// Copyright 2022 Stock Parfait

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     http://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package db

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// DefaultIndicator is the broad market index; requesting it applies no
// index-membership filter.
const DefaultIndicator = "000985"

// indexComponents maps an index indicator to the value of the
// "index_component" classification field of its members.
var indexComponents = map[string]string{
	"000300": "100",
	"000905": "010",
	"000852": "001",
}

// IndexComponent returns the classification value for the index indicator.
// The second value is false for the default indicator and for unknown ones.
func IndexComponent(indicator string) (string, bool) {
	c, ok := indexComponents[indicator]
	return c, ok
}

// IndexIndicators lists the indicators which have a membership
// classification, in the order of their position in the "index_component"
// string.
func IndexIndicators() []string {
	return []string{"000300", "000905", "000852"}
}

// Constraints to filter a range query. Zero value means no constraints.
type Constraints struct {
	Symbols   map[string]struct{}
	Fields    []string // projection; nil means all fields
	Start     Date
	End       Date
	Indicator string // index membership; "" or DefaultIndicator means any
	ExcludeST bool   // exclude specially treated instruments by name
}

// NewConstraints creates a new Constraints with no constraints.
func NewConstraints() *Constraints {
	return &Constraints{
		Symbols:   make(map[string]struct{}),
		Indicator: DefaultIndicator,
	}
}

// Symbol adds symbols to the constraints.
func (c *Constraints) Symbol(symbols ...string) *Constraints {
	if c.Symbols == nil {
		c.Symbols = make(map[string]struct{})
	}
	for _, s := range symbols {
		c.Symbols[s] = struct{}{}
	}
	return c
}

// Field adds fields to the projection.
func (c *Constraints) Field(fields ...string) *Constraints {
	for _, f := range fields {
		if !slices.Contains(c.Fields, f) {
			c.Fields = append(c.Fields, f)
		}
	}
	return c
}

// StartAt adds start date to the Constraints.
func (c *Constraints) StartAt(dt Date) *Constraints {
	c.Start = dt
	return c
}

// EndAt adds end date to the Constraints.
func (c *Constraints) EndAt(dt Date) *Constraints {
	c.End = dt
	return c
}

// Index restricts the query to the members of the index.
func (c *Constraints) Index(indicator string) *Constraints {
	c.Indicator = indicator
	return c
}

// NoST excludes the instruments flagged as "ST" in their name.
func (c *Constraints) NoST() *Constraints {
	c.ExcludeST = true
	return c
}

// SymbolList returns the sorted list of constrained symbols, or nil when any
// symbol is allowed.
func (c *Constraints) SymbolList() []string {
	if len(c.Symbols) == 0 {
		return nil
	}
	res := maps.Keys(c.Symbols)
	slices.Sort(res)
	return res
}

// IndexFilter returns the "index_component" value to filter by, if any.
func (c *Constraints) IndexFilter() (string, bool) {
	if c.Indicator == "" || c.Indicator == DefaultIndicator {
		return "", false
	}
	return IndexComponent(c.Indicator)
}
