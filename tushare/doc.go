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

// Package tushare implements a client for the Tushare-style table API.
//
// Each API (e.g. "dividend", "adj_factor") is queried with a set of equality
// parameters, an optional list of columns, and offset/limit paging. A response
// carries the column names and the rows as arrays of values:
//
//   {"code": 0, "msg": "", "data": {"fields": ["ts_code", ...],
//                                   "items": [["600000.SH", ...], ...]}}
//
// A non-zero code is an error. A single response never exceeds MaxLimit rows;
// paging is left to the caller, since the provider limits the rate and the
// number of concurrent calls per credential (see package gateway).
package tushare
