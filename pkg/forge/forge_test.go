package forge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNeedsDevopsReview(t *testing.T) {
	assert.True(t, NeedsDevopsReview([]string{"Dockerfile"}))
	assert.True(t, NeedsDevopsReview([]string{"infra/terraform/main.tf"}))
	assert.True(t, NeedsDevopsReview([]string{"ci/workflows/build.yml"}))
	assert.False(t, NeedsDevopsReview([]string{"pkg/api/handler.go"}))
}

func TestNeedsSimplifier(t *testing.T) {
	assert.False(t, NeedsSimplifier(10, 20))
	assert.True(t, NeedsSimplifier(30, 20))
	assert.True(t, NeedsSimplifier(0, 50))
}
