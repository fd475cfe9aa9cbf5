// Copyright 2025 NORDUnet A/S
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package serrors_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nordunet/opennsa-go/pkg/private/serrors"
)

func TestNewIsSentinel(t *testing.T) {
	sentinel := serrors.New("sentinel")
	assert.True(t, errors.Is(sentinel, sentinel))
	other := serrors.New("sentinel")
	assert.False(t, errors.Is(sentinel, other))
}

func TestWrapStr(t *testing.T) {
	cause := serrors.New("cause")
	err := serrors.WrapStr("failed", cause, "conn_id", "C-1")
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "failed")
	assert.Contains(t, err.Error(), "conn_id=C-1")
	assert.Contains(t, err.Error(), "cause")
}

func TestJoin(t *testing.T) {
	base := serrors.New("base")
	cause := errors.New("io timeout")
	err := serrors.Join(base, cause, "attempt", 2)
	assert.True(t, errors.Is(err, base))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "attempt=2")

	assert.Nil(t, serrors.Join(nil, nil))
}

func TestList(t *testing.T) {
	var l serrors.List
	assert.NoError(t, l.ToError())
	l = append(l, serrors.New("one"), serrors.New("two"))
	err := l.ToError()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "one")
	assert.Contains(t, err.Error(), "two")
}
