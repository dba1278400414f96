// Package modules links the bundled modules into a binary. Import it for its
// side effects in every binary that runs or proxies them.
package modules

import (
	_ "github.com/seantiz/tarn/internal/modules/minimal"
	_ "github.com/seantiz/tarn/internal/modules/segment"
)
