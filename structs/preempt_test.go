// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package structs

import (
	"testing"

	"github.com/shoenig/test/must"
)

func TestResourceAmountCovers(t *testing.T) {
	have := ResourceAmount{GPUs: 2, Memory: 4096}
	must.True(t, have.Covers(ResourceAmount{GPUs: 2, Memory: 4096}))
	must.True(t, have.Covers(ResourceAmount{GPUs: 1, Memory: 1024}))
	must.False(t, have.Covers(ResourceAmount{GPUs: 3, Memory: 4096}))
	must.False(t, have.Covers(ResourceAmount{GPUs: 2, Memory: 8192}))
}

func TestResourceAmountAdd(t *testing.T) {
	sum := ResourceAmount{GPUs: 1, Memory: 512}.Add(ResourceAmount{GPUs: 2, Memory: 256})
	must.Eq(t, ResourceAmount{GPUs: 3, Memory: 768}, sum)
}
