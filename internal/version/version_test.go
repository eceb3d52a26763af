// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersion(t *testing.T) {
	assert.Equal(t, "0.0.0", Version())
	assert.Equal(t, "unknown", Rev())

	buildMajor, buildMinor, buildPatch, buildRev = "1", "4", "2", "abc123"
	t.Cleanup(func() { buildMajor, buildMinor, buildPatch, buildRev = "0", "0", "0", "" })

	assert.Equal(t, "1.4.2", Version())
	assert.Equal(t, "abc123", Rev())
}
