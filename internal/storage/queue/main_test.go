// Licensed under the MIT License. See LICENSE file in the project root for details.

package queue

import (
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
