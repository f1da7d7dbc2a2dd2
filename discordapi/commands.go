package discordapi

// Slash command names.
const (
	CommandConnect    = "connect"
	CommandDisconnect = "disconnect"
	CommandInfo       = "info"
)

// Commands returns the global application commands the bridge
// registers at ready.
func Commands() []ApplicationCommand {
	return []ApplicationCommand{
		{
			Name:        CommandConnect,
			Description: "Connect this server to a Roomy space",
			Options: []ApplicationCommandOption{
				{
					Type:        ApplicationCommandOptionString,
					Name:        "space",
					Description: "Roomy space URL or DID",
					Required:    true,
				},
			},
		},
		{
			Name:        CommandDisconnect,
			Description: "Disconnect this server from its Roomy space",
		},
		{
			Name:        CommandInfo,
			Description: "Show the bridge status for this server",
		},
	}
}
