//go:build debug

package mpcerr

const debugBuild = true
