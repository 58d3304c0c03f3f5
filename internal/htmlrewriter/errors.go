package htmlrewriter

import "github.com/zeebo/errs"

// Error is the class for htmlrewriter failures (section 4.8's parser
// and handler errors).
var Error = errs.Class("htmlrewriter")
