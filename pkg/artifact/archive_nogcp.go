//go:build !gcp

package artifact

import (
	"context"
	"fmt"
)

func newGCSArchiveFromEnv(context.Context) (Archive, error) {
	return nil, fmt.Errorf("artifact: gcs archive requires a build with the gcp tag")
}
