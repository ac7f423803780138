// Command mcpctl inspects and calls Model Context Protocol servers listed in
// a config file, and runs a small file-serving server for trying clients.
package main

func main() {
	Execute()
}
