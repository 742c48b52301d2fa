package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/urfave/cli/v2"

	rerrors "slugger-infra/pkg/errors"
)

func TestExitCodes(t *testing.T) {
	assert.NoError(t, exit(nil))

	var coder cli.ExitCoder
	err := exit(&rerrors.RoutingCollisionError{Collisions: []rerrors.RoutingCollision{{Widgets: [2]string{"a", "b"}, Priority: 100}}})
	assert.True(t, errors.As(err, &coder))
	assert.Equal(t, rerrors.ExitValidation, coder.ExitCode())

	err = exit(errors.New("connection reset"))
	assert.True(t, errors.As(err, &coder))
	assert.Equal(t, rerrors.ExitPartial, coder.ExitCode())

	parse := cli.Exit("bad config", rerrors.ExitValidation)
	assert.Same(t, parse, exit(parse))
}
