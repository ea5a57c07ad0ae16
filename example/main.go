package main

func main() {
	demo := newDistributedLockDemo("entity", "1").
		withPostgres().
		withDynamoDB().
		withHazelcast().
		withRedis().
		withEtcd().
		withConsul().
		withMongoDB().
		withZooKeeper()

	demo.doLock()
	demo.doRedLock()
	demo.doRateLimit()
	demo.shutdown()
}
