// Package config loads and validates the proxy's environment-driven
// bootstrap settings: the configured region list, the client's
// own region, the local-emulator toggle, the directory address, the
// scratch-bucket naming prefix, the GET/PUT placement policies, the
// versioning default, and provider credentials.
//
// The region fleet and placement policy fields may additionally be pinned
// in a YAML file named by SKYPROXY_CONFIG_FILE, loaded before the
// individual environment variables are applied so an exported var always
// overrides the file.
package config
