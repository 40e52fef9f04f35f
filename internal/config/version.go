package config

// Version is the canonical version of the engine
const Version = "0.3.0"
