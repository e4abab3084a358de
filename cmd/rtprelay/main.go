// rtprelay соединяет два RTP плеча через медиа движок: пакеты
// пересылаются без декодирования, метрики доступны по HTTP.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка: %v\n", err)
		os.Exit(1)
	}
}
