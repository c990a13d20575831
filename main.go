package main

import "github.com/ValentinKolb/ipool/cmd"

func main() {
	cmd.Execute()
}
