// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package router_test

import (
	"encoding/xml"
)

func xmlName(space, local string) xml.Name {
	return xml.Name{Space: space, Local: local}
}
