// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import "errors"

// Errors returned by the address-resolution and directory rebuilding
// components (C1-C9). These complement the parser-level sentinel errors
// declared in helper.go, which predate directory mutation support.
var (
	// ErrDirectoryDoesNotExist is returned by the directory facade when id
	// is greater than or equal to NumberOfRvaAndSizes, or when a reader
	// that requires a directory to be present is called on a missing one.
	ErrDirectoryDoesNotExist = errors.New("data directory does not exist")

	// ErrIncorrectAddressConversion is returned when a VA-to-RVA or
	// RVA-to-VA conversion overflows the target address width, e.g. a
	// PE32 VA computed from an RVA does not fit in 32 bits.
	ErrIncorrectAddressConversion = errors.New("address conversion overflowed target width")

	// ErrAddressOutOfSection is returned when a read or write cannot be
	// backed by any section window nor by the header region.
	ErrAddressOutOfSection = errors.New("address is outside of any section")

	// ErrIncorrectImportDirectory names a malformed import directory:
	// bad descriptors, unterminated names, or arithmetic overflow while
	// walking the thunk tables. The import reader does not return it:
	// damage it detects is logged and skipped, or reported through the
	// error of the read that failed.
	ErrIncorrectImportDirectory = errors.New("incorrect import directory")

	// ErrIncorrectTLSDirectory is returned when the TLS raw-data region
	// exceeds its section window or its end precedes its start.
	ErrIncorrectTLSDirectory = errors.New("incorrect TLS directory")

	// ErrIncorrectConfigDirectory is returned when the load-config
	// directory's recorded Size does not match the record width of the
	// image's PE class, when its SEH handler count overflows once scaled
	// to a byte length, or when its SEH table VA lies below ImageBase.
	ErrIncorrectConfigDirectory = errors.New("incorrect load config directory")

	// ErrSectionNotAttached is returned by a rebuilder when its target
	// section does not belong to the File it is called on.
	ErrSectionNotAttached = errors.New("target section is not attached to this image")

	// ErrInsufficientSpace is returned when a rebuilder cannot fit new
	// directory contents in the requested location and the target section
	// is not the image's last section, so it cannot simply grow.
	ErrInsufficientSpace = errors.New("insufficient space to rewrite directory contents")
)
