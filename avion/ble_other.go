//go:build !linux

package avion

import (
	"context"
	"fmt"
	"runtime"
)

func dialBLE(_ context.Context, address string) (link, error) {
	return nil, fmt.Errorf("BLE transport for %s is not supported on %s", address, runtime.GOOS)
}
