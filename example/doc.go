// Command example talks to an NDI tracking device controller over a serial
// port: it optionally resets the controller with a break, switches the
// link to the requested baud rate and mode, sends one command and prints
// the reply.
//
// Settings are read from an optional config file (-config) and can be
// overridden with flags. See config.yaml for the keys.
package main
