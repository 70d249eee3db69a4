// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testhelpers

import (
	"time"
)

// ShortWait is how long a test blocks waiting for something that should
// not happen, such as a debounce timer firing before its delay.
const ShortWait = 50 * time.Millisecond

// LongWait bounds waits for things that should already have happened,
// such as a reconcile pass applying a snapshot. Tests only wait this
// long when they are about to fail.
const LongWait = 10 * time.Second
