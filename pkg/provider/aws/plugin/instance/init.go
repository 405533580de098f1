package instance

import (
	logutil "github.com/docker/poolkit/pkg/log"
)

var log = logutil.New("provider/aws")
