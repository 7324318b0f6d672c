package cores

import (
	"fmt"

	"searchcoord/internal/cluster"
	"searchcoord/internal/config"
	"searchcoord/internal/controller"
)

// Load hosts every core declared in the node configuration. Cores whose
// type keeps a transaction log are opened with an update log.
func (c *Container) Load(list []config.CoreConfig) error {
	for _, cc := range list {
		typ, err := cluster.ParseReplicaType(cc.Type)
		if err != nil {
			return fmt.Errorf("core %s: %w", cc.Name, err)
		}
		desc := controller.NewCoreDescriptor(cc.Name, controller.CloudParams{
			Collection:   cc.Collection,
			Shard:        cc.Shard,
			CoreNodeName: cc.CoreNodeName,
			Type:         typ,
			Params:       cc.Params,
		})
		if _, err := c.Add(desc, CoreOptions{UpdateLog: typ.RequiresTransactionLog()}); err != nil {
			return err
		}
	}
	return nil
}
