// Package commands implementa os comandos CLI do ReplyFlow usando cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd cria o comando raiz do CLI com todos os subcomandos registrados.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "replyflow",
		Short: "ReplyFlow - human-paced AI replies for chat channels",
		Long: `ReplyFlow answers chat messages with an LLM the way a person would:
it waits for the sender to finish, remembers the conversation, splits
long answers into short messages and paces every reply.

Examples:
  replyflow serve
  replyflow chat
  replyflow setup
  replyflow history show whatsapp:5511999998888@s.whatsapp.net`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Registra subcomandos.
	rootCmd.AddCommand(
		newServeCmd(version),
		newChatCmd(),
		newSetupCmd(),
		newKeyCmd(),
		newHistoryCmd(),
		newConfigCmd(),
	)

	// Flags globais.
	rootCmd.PersistentFlags().StringP("config", "c", "", "caminho para o arquivo de configuração")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "habilita logs detalhados")

	return rootCmd
}
