package main

import (
	"log"

	"agrisubsidy/services/subsidyd"
)

func main() {
	if err := subsidyd.Main(); err != nil {
		log.Fatalf("subsidyd: %v", err)
	}
}
