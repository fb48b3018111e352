// Command pactl inspects and exercises the pakit partition allocator.
package main

func main() {
	execute()
}
