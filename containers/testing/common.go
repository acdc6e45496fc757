// Package testing provides testcontainers-based setup for integration
// tests. Tests using it should carry the integration build tag:
//
//	//go:build integration
package testing

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
)

// ContainerCleanup terminates a container started for a test. Safe to defer
// unconditionally.
type ContainerCleanup func()

func createCleanupFunc(ctx context.Context, container testcontainers.Container, containerType string) ContainerCleanup {
	return func() {
		if err := container.Terminate(ctx); err != nil {
			fmt.Printf("warning: failed to terminate %s container: %v\n", containerType, err)
		}
	}
}
