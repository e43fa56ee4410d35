// Package discord provides the identifier and duration types shared by the
// voice packages. It does not contain API or gateway structures.
package discord
