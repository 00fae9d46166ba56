package config

// Version is the canonical botfunk version, the single source of truth
// for every surface that reports one.
const Version = "0.3.0"
