package app

import (
	"fmt"
	"io"
	"sort"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe は管理APIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker は定期同期・Webhook配信・コンパクションを実行するワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

var commandDescriptions = map[Command]string{
	CommandServe:       "管理APIサーバーを起動する（デフォルト）",
	CommandWorker:      "定期同期・Webhook配信・コンパクションを実行する",
	CommandMigrate:     "データベースマイグレーションを適用する",
	CommandHealthcheck: "ローカルの /health を確認する",
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	cmd := Command(args[0])
	if _, ok := commandDescriptions[cmd]; ok {
		return cmd
	}
	return CommandServe
}

// PrintUsage はサブコマンドの一覧を出力する。
func PrintUsage(w io.Writer) {
	cmds := make([]string, 0, len(commandDescriptions))
	for c := range commandDescriptions {
		cmds = append(cmds, string(c))
	}
	sort.Strings(cmds)

	fmt.Fprintln(w, "usage: syncman [command]")
	for _, c := range cmds {
		fmt.Fprintf(w, "  %-12s %s\n", c, commandDescriptions[Command(c)])
	}
}
