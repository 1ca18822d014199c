// Package types provides core types shared across the flowdialog engine.
// This package has ZERO dependencies on other flowdialog packages to avoid
// circular imports. All other packages should import types from here.
package types
