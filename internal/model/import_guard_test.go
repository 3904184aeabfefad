package model_test

import (
	"testing"

	"geneatlas/testutil"
)

func TestNoTransportImports(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.TransportImportForbidden, "model must stay independent of HTTP and storage backends")
}
