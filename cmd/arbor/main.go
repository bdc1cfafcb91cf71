// Command arbor browses a parent/child hierarchy stored in DynamoDB through
// the arbor item cache.
package main

func main() {
	Execute()
}
