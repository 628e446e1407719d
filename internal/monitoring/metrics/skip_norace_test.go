// Licensed under the MIT License. See LICENSE file in the project root for details.

//go:build !race

package metrics

import "testing"

func skipRace(testing.TB) {}
