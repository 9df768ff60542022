// Command tollgate runs the request-protection gateway and manages its
// keys and balances.
package main

func main() {
	Execute()
}
