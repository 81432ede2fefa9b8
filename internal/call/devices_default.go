//go:build !(linux && capture)

package call

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// DefaultDevices returns synthetic devices. Build with the capture tag on
// linux to use the camera and microphone.
func DefaultDevices(clk clock.Clock, logger *zap.Logger) (MediaDevices, error) {
	return NewSyntheticDevices(clk, logger), nil
}
