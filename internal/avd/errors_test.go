// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyToolFailure(t *testing.T) {
	exitErr := errors.New("exit status 1")
	tests := []struct {
		output string
		err    error
		want   ToolFailure
	}{
		{"ERROR: JAVA_HOME is set to an invalid directory", exitErr, ToolMissingPrerequisite},
		{"java.lang.UnsupportedClassVersionError: com/android/sdklib/tool/sdkmanager/SdkManagerCli", exitErr, ToolUnsupportedRuntime},
		{"has been compiled by a more recent version of the Java Runtime", exitErr, ToolUnsupportedRuntime},
		{"", fmt.Errorf("sdkmanager: %w", exec.ErrNotFound), ToolNotFound},
		{"sh: sdkmanager: command not found", exitErr, ToolNotFound},
		{"Warning: something odd", exitErr, ToolUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyToolFailure(tt.output, tt.err), tt.output)
	}
}

func TestToolErrorClasses(t *testing.T) {
	unknown := newToolError("sdkmanager", Result{Stderr: "boom"}, errors.New("exit status 2"))
	assert.True(t, errdefs.IsUnavailable(unknown))
	assert.Contains(t, unknown.Error(), "boom")

	missing := newToolError("avdmanager", Result{}, fmt.Errorf("avdmanager: %w", exec.ErrNotFound))
	assert.True(t, errdefs.IsFailedPrecondition(missing))
	assert.ErrorIs(t, missing, exec.ErrNotFound)
}

func TestTimeoutErrorIsDeadline(t *testing.T) {
	err := error(&TimeoutError{Op: "boot", Target: "emulator-5554", After: time.Minute})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "boot of emulator-5554 timed out after 1m0s", err.Error())
}

func TestNotFoundSuggestions(t *testing.T) {
	err := newNotFound("virtual device", "pxl6", []string{"Pixel_6_API_33", "Nexus_5", "Pixel_4"})
	require.NotEmpty(t, err.Suggestions)
	assert.Equal(t, "Pixel_6_API_33", err.Suggestions[0])
	assert.NotContains(t, err.Suggestions, "Nexus_5")
	assert.True(t, errdefs.IsNotFound(err))
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "did you mean")

	none := newNotFound("virtual device", "zzz", []string{"Pixel_6"})
	assert.Empty(t, none.Suggestions)
	assert.NotContains(t, none.Error(), "did you mean")
}
