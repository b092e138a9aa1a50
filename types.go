package kiln

import (
	"github.com/jward/kiln/internal/barrier"
	"github.com/jward/kiln/internal/classpath"
	"github.com/jward/kiln/internal/datacache"
	"github.com/jward/kiln/internal/location"
	"github.com/jward/kiln/internal/property"
	"github.com/jward/kiln/internal/teardown"
)

// Public type aliases for the internal types used in the Environment API.
// These are Go type aliases (=); no conversion is needed.

type ExecutionToken = barrier.Token
type DataKey = datacache.Key
type Location = classpath.Location
type ComputeError = property.ComputeError
type InstantiateError = classpath.InstantiateError
type FetchError = location.FetchError
type TeardownError = teardown.Error
