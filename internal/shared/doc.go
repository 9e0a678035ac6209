// Package shared holds cross-cutting utilities that belong to no single
// layer. Currently this is the testutil subpackage, which provides the
// in-memory database helper used by package tests.
package shared
