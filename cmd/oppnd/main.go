// Command oppnd はメール開封追跡のAPIサーバー・ワーカー・補助コマンドを提供する。
//
//	oppnd [serve]            APIサーバーを起動する
//	oppnd worker             保持期間を過ぎたメッセージを定期的に削除する
//	oppnd migrate            ストアのスキーマを準備する
//	oppnd healthcheck        /health を確認する（コンテナのヘルスチェック用）
//	oppnd hash <identifier>  ユーザー識別子のuserHashを出力する
//	oppnd message-id [seed]  新しいmessageIdを出力する
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/oppnd/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
