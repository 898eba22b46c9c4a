// tokengen 为本地调试签发网关可识别的 HS256 令牌。
//
//	go run ./cmd/tokengen -sub u-42 -role admin -ttl 2h
//
// 密钥默认读取 GATEWAY_AUTH_JWT_SECRET（也会加载 .env）。
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"edgegate/internal/auth"
)

func main() {
	_ = godotenv.Load()

	subject := flag.String("sub", "", "令牌主体（用户 ID）")
	roleName := flag.String("role", "user", "角色: user 或 admin")
	ttl := flag.Duration("ttl", time.Hour, "有效期")
	secret := flag.String("secret", os.Getenv("GATEWAY_AUTH_JWT_SECRET"), "HS256 签名密钥")
	flag.Parse()

	if *subject == "" {
		log.Fatal("必须通过 -sub 指定主体")
	}
	if *secret == "" {
		log.Fatal("未提供签名密钥，请设置 -secret 或 GATEWAY_AUTH_JWT_SECRET")
	}
	if *ttl <= 0 {
		log.Fatal("-ttl 必须为正数")
	}

	role, err := auth.ParseRole(*roleName)
	if err != nil {
		log.Fatalf("角色无效: %v", err)
	}

	token, err := auth.NewVerifier(*secret).Issue(*subject, role, *ttl)
	if err != nil {
		log.Fatalf("签发令牌失败: %v", err)
	}
	fmt.Println(token)
}
