package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const tempPrefix = "temp-"

// GenTempID returns a placeholder id of the form temp-<unix millis>-<suffix>.
func GenTempID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s%d-%s", tempPrefix, now.UnixMilli(), suffix)
}

// IsTempID reports whether id was produced by GenTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempPrefix)
}
