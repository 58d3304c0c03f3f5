package worker

import (
	"strings"

	"github.com/cloudflare/miniflare-sub008/internal/durableobject"
	"github.com/cloudflare/miniflare-sub008/internal/gating"
	"github.com/cloudflare/miniflare-sub008/internal/htmlrewriter"
	"github.com/cloudflare/miniflare-sub008/internal/kvstore"
	"github.com/cloudflare/miniflare-sub008/internal/r2"
	"github.com/cloudflare/miniflare-sub008/internal/wspair"
)

// errorBody is the JSON shape of section 6's error body convention:
// `{ name, message, stack? }`.
type errorBody struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// kindStatus maps section 7's error kinds, identified by the leading
// "Name:" token gateways already encode in their error text, to an
// HTTP status.
var kindStatus = map[string]int{
	"EntityTooLarge":              413,
	"MetadataTooLarge":            413,
	"EntityTooSmall":              400,
	"InvalidObjectName":           400,
	"InvalidPart":                 400,
	"BadDigest":                   400,
	"NoSuchKey":                   404,
	"NoSuchUpload":                404,
	"PreconditionFailed":          412,
	"ERR_DEAD_LETTER_QUEUE_CYCLE": 400,
	"ERR_TRAVERSAL":               400,
	"ERR_NAMESPACE_KEY_CHILD":     400,
	"ERR_NO_WORKERS":              500,
	"ERR_DUPLICATE_NAME":          409,
	"TypeError":                   400,
	"Parser error":                400,
}

// classify turns a gateway error into the (status, name) pair for the
// HTTP front-end's error body.
func classify(err error) (status int, name string) {
	var precond *r2.PreconditionFailedError
	if as(err, &precond) {
		return 412, "PreconditionFailed"
	}
	switch {
	case kvstoreIsNotFound(err):
		return 404, "NotFound"
	case wspair.Error.Has(err) && errIsType(err, wspair.ErrTypeError):
		return 400, "TypeError"
	case gating.Error.Has(err):
		return 429, "SubrequestLimitExceeded"
	case durableobject.Error.Has(err):
		return 500, "RolledBackTransaction"
	case htmlrewriter.Error.Has(err):
		if name, ok := leadingToken(err.Error()); ok {
			if status, ok := kindStatus[name]; ok {
				return status, name
			}
		}
		return 400, "ParserError"
	}

	if name, ok := leadingToken(err.Error()); ok {
		if status, ok := kindStatus[name]; ok {
			return status, name
		}
	}
	return 500, "InternalError"
}

// leadingToken looks for a known error kind among a gateway error's
// colon-separated segments. Gateway errors are built as
// errs.Class("pkg").New("Kind: rest"), so err.Error() reads
// "pkg: Kind: rest" — the kind is rarely the first segment.
func leadingToken(msg string) (string, bool) {
	for _, segment := range strings.Split(msg, ": ") {
		segment = strings.TrimSpace(segment)
		if _, ok := kindStatus[segment]; ok {
			return segment, true
		}
	}
	return "", false
}

func kvstoreIsNotFound(err error) bool {
	return kvstore.Error.Has(err) && strings.Contains(err.Error(), "key not found")
}

// errIsType reports whether err's message contains sentinel's message,
// a text match rather than a direct ==, since gateways wrap sentinels
// with their own Error class.
func errIsType(err, sentinel error) bool {
	return err != nil && strings.Contains(err.Error(), sentinel.Error())
}

// as is a tiny errors.As shim kept local so this file only needs one
// import for the standard error-unwrap dance.
func as(err error, target **r2.PreconditionFailedError) bool {
	for err != nil {
		if pf, ok := err.(*r2.PreconditionFailedError); ok {
			*target = pf
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
