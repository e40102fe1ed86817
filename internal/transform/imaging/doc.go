// Package imaging is the filesystem-backed image transform used by the
// scheduler. One call decodes the input once and renders every requested
// variant of it.
package imaging
